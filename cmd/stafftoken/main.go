// Command stafftoken mints a bearer token for the operator endpoints.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"attendguard/internal/auth"
	"attendguard/internal/config"
)

func main() {
	subject := flag.String("subject", "", "staff identifier recorded as resolver on incidents")
	role := flag.String("role", auth.RoleFaculty, "admin or faculty")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	cfg := config.Load()
	token, exp, err := auth.Issue(*subject, *role, cfg.JWTIssuer, cfg.JWTSigningKey, *ttl)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(token)
	log.Printf("expires at %s", exp.Format(time.RFC3339))
}
