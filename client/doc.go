// Package client is a small Go client for the Git LFS file locking API
// (POST/GET <locks-url>, POST <locks-url>/{id}/unlock).
//
// Construct a client with the locks endpoint of a repository, usually the
// remote URL followed by /info/lfs/locks:
//
//	cli, err := client.New("https://git.example.com/org/game.git/info/lfs/locks",
//	    client.WithToken(os.Getenv("LFS_TOKEN")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	lock, err := cli.CreateLock(ctx, "Art/hero.psd")
//
// Non-success responses are returned as *APIError, carrying the HTTP status and
// the decoded error envelope. On 409 the envelope includes the existing lock.
package client
