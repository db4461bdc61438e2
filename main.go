package main

import "github.com/oakenlab/dhtprobe/cmd"

func main() {
	cmd.Execute()
}
