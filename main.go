package main

import "github.com/khanhnv2901/securiscan/cmd"

var execCmd = cmd.Execute

func main() {
	execCmd()
}
