// Command memsim boots the physical memory allocators over a simulated
// machine and runs workloads against them.
package main

func main() {
	execute()
}
