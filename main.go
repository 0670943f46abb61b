package main

import "mikoshi/internal/mikoshi"

func main() {
	mikoshi.Main()
}
