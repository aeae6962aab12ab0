package main

import "github.com/andresmejia3/facemerge/cmd"

func main() {
	cmd.Execute()
}
