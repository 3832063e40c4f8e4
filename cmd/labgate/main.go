package main

import "github.com/datalab-hq/labgate/cmd/labgate/cmd"

func main() {
	cmd.Execute()
}
