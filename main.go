package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/novasolve/nova-cmo-sub003/cmd"
	"github.com/novasolve/nova-cmo-sub003/internal/agent"
)

func main() {
	ag, err := agent.CommandFromEnv()
	if err != nil {
		logrus.Fatal("Failed to load agent config: ", err)
	}
	os.Exit(cmd.Execute(ag))
}
