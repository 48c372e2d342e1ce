package main

import "github.com/khan/jib/cmd"

func main() {
	cmd.Execute()
}
