package main

import "clashstats/cs/cmd"

func main() {
	cmd.Run()
}
