package main

import "github.com/qobs-build/hashbuild/cmd"

func main() {
	cmd.Execute()
}
