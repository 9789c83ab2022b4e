// checkout pays an escrow from the command line: it fetches the fund intent,
// signs the approve and fund transactions with a local key and confirms the
// funding with the API.
package main

func main() {
	Execute()
}
