package main

import "mlxhost/cmd/mlxhost/cmd"

func main() {
	cmd.Execute()
}
