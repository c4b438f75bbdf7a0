package main

import "guardx/cmd"

func main() {
	cmd.Execute()
}
