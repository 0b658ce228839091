package main

import "github.com/rudransh-shrivastava/transfile/internal/client/cmd"

func main() {
	cmd.Execute()
}
