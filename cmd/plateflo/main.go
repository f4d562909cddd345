// cmd/plateflo/main.go
package main

func main() {
	Execute()
}
