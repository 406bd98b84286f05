// Package main is the entry point for the sieman log detection pipeline.
package main

import "sieman/cmd"

func main() {
	cmd.Execute()
}
