package main

import "github.com/nextlevelbuilder/cadence/cmd"

func main() {
	cmd.Execute()
}
