package main

import (
	"example.com/backstage/services/headset/cmd"
)

func main() {
	cmd.Execute()
}
