package main

import "github.com/parafetch/parafetch/cmd"

func main() {
	cmd.Execute()
}
