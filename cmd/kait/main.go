// kait is the operator CLI: lifecycle control for the worker stack,
// an interactive chat session, intelligence reports, event ingestion
// and evolution management.
package main

func main() {
	Execute()
}
