package main

import "github.com/gematik/zero-idp/cmd/zero-idp/cmd"

func main() {
	cmd.Execute()
}
