package main

import "github.com/nextlevelbuilder/kaibot/cmd"

func main() {
	cmd.Execute()
}
