package main

import "github.com/vibast-solutions/ms-go-mailer/cmd"

func main() {
	cmd.Execute()
}
