// Command agentd is the per-workspace agent runtime daemon.
package main

func main() {
	Execute()
}
