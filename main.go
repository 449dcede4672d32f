package main

import "github.com/nextlevelbuilder/goattend/cmd"

func main() {
	cmd.Execute()
}
