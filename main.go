// Command courtscraper serves the court records API and runs scrapes.
package main

import (
	"github.com/JakeFAU/court-records-scraper/cmd"
)

func main() {
	cmd.Execute()
}
