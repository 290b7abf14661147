package main

import "roomscan/cmd/scanner/cmd"

func main() {
	cmd.Execute()
}
