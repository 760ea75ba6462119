package main

import "scribed/cmd"

func main() {
	cmd.Execute()
}
