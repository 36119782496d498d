package main

import (
	"github.com/luma/aredis/cmd"
)

func main() {
	cmd.Execute()
}
