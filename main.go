package main

import "github.com/MetricsHub/m8b-slack/cmd"

func main() {
	cmd.Execute()
}
