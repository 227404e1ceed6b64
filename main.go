package main

import "github.com/keva-db/keva/cmd"

func main() {
	cmd.Execute()
}
