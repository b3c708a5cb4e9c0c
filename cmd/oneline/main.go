package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.lepak.sg/bikeshare-backend/citybikes"
)

// Fetches one network, keeps the raw payload in last.json and prints what the
// parser makes of it. With -replay the saved payload is parsed instead.
var (
	network = flag.String("n", "", "network id")
	replay  = flag.Bool("replay", false, "parse last.json instead of fetching")
	strip   = flag.Bool("strip", false, "strip the network prefix from station ids")
	baseURL = flag.String("u", citybikes.DefaultBaseURL, "api base url")
)

const lastName = "last.json"

func main() {
	flag.Parse()
	var raw []byte

	if *replay {
		var err error
		raw, err = os.ReadFile(lastName)
		if err != nil {
			panic(err)
		}
		fmt.Println("replaying...")
	} else {
		if *network == "" {
			fmt.Println("need a network id, eg -n velib")
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var err error
		raw, err = citybikes.NewClient(*baseURL, 0).GetNetwork(ctx, *network)
		if err != nil {
			panic(err)
		}

		err = os.WriteFile(lastName, raw, 0666)
		if err != nil {
			panic(err)
		}
	}

	n, err := citybikes.Parse(raw, *strip)
	if err != nil {
		panic(err)
	}

	fmt.Printf("%s (%s) %v, %d stations\n\n", n.Name, n.ID, n.Company, len(n.Stations))
	stations := n.Stations.Copy()
	stations.Sort()
	for i := range stations {
		fmt.Printf("%s: %+v\n", stations[i].ID, stations[i])
	}
}
