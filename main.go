package main

import "github.com/cloudbridge/wstunnel/cmd"

func main() {
	cmd.Execute()
}
