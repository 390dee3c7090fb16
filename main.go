package main

import "github.com/nextlevelbuilder/browserbridge/cmd"

func main() {
	cmd.Execute()
}
