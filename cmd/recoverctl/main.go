// recoverctl -- CLI client for the recovery controller daemon.
package main

import "github.com/ctdbgo/recoverd/cmd/recoverctl/commands"

func main() {
	commands.Execute()
}
