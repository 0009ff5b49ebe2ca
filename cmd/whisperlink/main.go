package main

import "github.com/whisperlink/whisperlink/internal/client/cmd"

func main() {
	cmd.Execute()
}
