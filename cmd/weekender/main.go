package main

import "github.com/weekender-app/weekender/internal/cli"

func main() {
	cli.Execute()
}
