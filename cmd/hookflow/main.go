// Command hookflow runs and controls the hook event pipeline.
package main

import "github.com/randalmurphal/hookflow/internal/cli"

func main() {
	cli.Execute()
}
