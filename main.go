package main

import "github.com/evermail/ingest/cmd"

func main() {
	cmd.Execute()
}
