package main

import "github.com/senafrakara/pubsub-functions/cli"

func main() {
	cli.Execute()
}
