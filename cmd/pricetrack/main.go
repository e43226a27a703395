// Command pricetrack ingests scraped product snapshots, maintains
// per-product price history, and fires threshold alerts.
package main

import "pricetrack/internal/cli"

func main() {
	cli.Execute()
}
