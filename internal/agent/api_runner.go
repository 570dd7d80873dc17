package agent

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/ShayCichocki/conclave/internal/config"
)

// APIRunner runs providers that have no local CLI by streaming a Messages
// call and writing text deltas as output.
type APIRunner struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

var _ Runner = (*APIRunner)(nil)

// NewAPIRunner creates a runner from the anthropic config section. Bedrock
// credentials come from the AWS default chain; otherwise an API key is
// required.
func NewAPIRunner(ctx context.Context, cfg *config.Config) (*APIRunner, error) {
	var opts []option.RequestOption

	if cfg.Anthropic.UseBedrock {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Anthropic.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Anthropic.AWSRegion))
		}
		if cfg.Anthropic.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Anthropic.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		key, err := config.GetAPIKey(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithAPIKey(key))
	}

	model := anthropic.Model(cfg.Anthropic.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_5_20250929
	}
	if cfg.Anthropic.UseBedrock {
		model = bedrockModel(model)
	}

	maxTokens := int64(cfg.Anthropic.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &APIRunner{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// bedrockModel converts Anthropic model names to Bedrock cross-region
// inference profiles. Unknown names pass through.
func bedrockModel(model anthropic.Model) anthropic.Model {
	profiles := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.Model("claude-sonnet-4-5"):    "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
	}
	if p, ok := profiles[model]; ok {
		return anthropic.Model(p)
	}
	return model
}

// Start issues the streamed call in the background.
func (r *APIRunner) Start(ctx context.Context, spec RunSpec, out io.Writer) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Detached from ctx like CLI runs; Terminate cancels it.
	callCtx, cancel := context.WithCancel(context.Background())
	p := &apiProcess{cancel: cancel, done: make(chan struct{})}

	params := anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: r.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(spec.Prompt)),
		},
	}

	go func() {
		defer close(p.done)
		defer cancel()

		stream := r.client.Messages.NewStreaming(callCtx, params)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
					out.Write([]byte(delta.Text))
				}
			case anthropic.MessageStopEvent:
				out.Write([]byte("\n"))
			}
		}

		if err := stream.Err(); err != nil {
			p.exitCode = 1
			if callCtx.Err() == nil {
				p.err = fmt.Errorf("%w: %v", ErrProviderInvocation, err)
			}
		}
	}()

	return p, nil
}

type apiProcess struct {
	cancel   context.CancelFunc
	done     chan struct{}
	exitCode int
	err      error
	once     sync.Once
}

func (p *apiProcess) PID() int { return 0 }

func (p *apiProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.err
}

func (p *apiProcess) Terminate(grace time.Duration) {
	p.once.Do(p.cancel)
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
	case <-t.C:
	}
}

// Interrupt has no softer form for an HTTP stream.
func (p *apiProcess) Interrupt(grace time.Duration) {
	p.Terminate(grace)
}
