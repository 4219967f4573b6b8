package main

import "github.com/mnehpets/docsauth/cmd/docsauth/cmd"

func main() {
	cmd.Execute()
}
