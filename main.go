package main

import "github.com/markb/tableside/cmd"

func main() {
	cmd.Execute()
}
