package main

import "github.com/thomas-caarter-aic/agent-deployment-service/cmd"

// version can be set during build with -ldflags
var version = "dev"

func main() {
	cmd.SetVersion(version)
	cmd.Execute()
}
