// Command conclave runs the task workflow orchestrator.
package main

func main() {
	Execute()
}
