package main

import "github.com/BertoldVdb/flashident/cmd"

func main() {
	cmd.Execute()
}
