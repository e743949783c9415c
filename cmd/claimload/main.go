package main

import "github.com/treeverse/claimload/cmd/claimload/cmd"

func main() {
	cmd.Execute()
}
