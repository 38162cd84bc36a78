// fabricctl is a CLI client for a running fabricd router, talking to
// its plain HTTP/JSON admin surface (internal/admin).
package main

import "github.com/lilltek-go/fabric/cmd/fabricctl/commands"

func main() {
	commands.Execute()
}
