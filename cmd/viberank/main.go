package main

import "github.com/snuconnectome/viberank-connectomelab/internal/cli"

func main() {
	cli.Execute()
}
