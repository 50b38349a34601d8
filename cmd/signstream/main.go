// Command signstream captures frames, extracts sign landmarks and streams batches
// of them to a translation service.
package main

func main() {
	Execute()
}
