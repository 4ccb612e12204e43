package main

import "github.com/policyatlas/metabatch/cmd"

func main() {
	cmd.Execute()
}
