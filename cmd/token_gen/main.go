// token_gen mints a JWT for manual API access during development and
// operations. The signing key must match the server's.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/technosupport/ts-cctv/internal/tokens"
)

func main() {
	userID := flag.String("user", "", "user id to embed as subject")
	role := flag.String("role", tokens.RoleOperator, "admin, operator or viewer")
	refresh := flag.Bool("refresh", false, "mint a refresh token instead of an access token")
	flag.Parse()

	key := os.Getenv("JWT_SIGNING_KEY")
	if key == "" {
		fmt.Fprintln(os.Stderr, "JWT_SIGNING_KEY is required")
		os.Exit(1)
	}
	if *userID == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(1)
	}
	switch *role {
	case tokens.RoleAdmin, tokens.RoleOperator, tokens.RoleViewer:
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(1)
	}

	mgr := tokens.NewManager(key)
	var token string
	var err error
	if *refresh {
		token, err = mgr.GenerateRefreshToken(*userID, *role)
	} else {
		token, err = mgr.GenerateAccessToken(*userID, *role)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}
