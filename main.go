package main

import "tgbridge/cmd"

func main() {
	cmd.Execute()
}
