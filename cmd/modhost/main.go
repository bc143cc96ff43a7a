// Package main is the entry point for modhost.
package main

func main() {
	Execute()
}
