// Package main mints HS256 service tokens accepted by the organization manager. Services
// calling the API without an identity-provider session use these, e.g. the device
// platform posting users/used. The secret is read from the same configuration as the server.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/organization-manager/organization-manager/internal/auth"
	"github.com/organization-manager/organization-manager/internal/config"
)

func main() {
	login := flag.String("login", "", "login (email) the token authenticates")
	roles := flag.String("roles", "", "comma-separated identity-provider roles")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *login == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	j, err := auth.NewJWT(&cfg.Auth.JWT)
	if err != nil {
		log.Fatalf("failed to configure JWT: %v", err)
	}

	var roleList []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}

	token, err := j.Generate(*login, roleList, *ttl)
	if err != nil {
		log.Fatalf("failed to generate token: %v", err)
	}
	fmt.Println(token)
}
