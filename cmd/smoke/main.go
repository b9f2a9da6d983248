// Command smoke exercises a running API end to end: gRPC health, sign-up,
// article visibility and token rotation.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"quillpress.org/internal/articles"
	"quillpress.org/internal/client"
)

func main() {
	baseURL := envOr("QUILL_SMOKE_URL", "http://localhost:8080")
	grpcAddr := envOr("QUILL_SMOKE_GRPC_ADDR", "localhost:9090")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	c := client.New(baseURL)
	if err := c.DialHealth(grpcAddr); err != nil {
		log.Fatalf("dial grpc at %s: %v", grpcAddr, err)
	}
	defer c.Close()

	serving, err := c.Serving(ctx)
	if err != nil {
		log.Fatalf("health check: %v", err)
	}
	if !serving {
		log.Fatal("service is not serving")
	}

	suffix := uuid.NewString()[:8]
	email := fmt.Sprintf("smoke-%s@quill.example", suffix)
	_, pair, err := c.SignUp(ctx, email, "smoke-"+suffix, "smoke-password")
	if err != nil {
		log.Fatalf("sign up: %v", err)
	}

	tag := "smoke-" + suffix
	public, err := c.CreateArticle(ctx, articles.Input{Title: "Smoke public", Body: "ok", Tags: []string{tag}, IsPublished: true, IsPublic: true})
	if err != nil {
		log.Fatalf("create public article: %v", err)
	}
	if _, err := c.CreateArticle(ctx, articles.Input{Title: "Smoke draft", Body: "wip", Tags: []string{tag}, IsDraft: true}); err != nil {
		log.Fatalf("create draft: %v", err)
	}

	anon := client.New(baseURL)
	visible, err := anon.ListArticles(ctx, tag)
	if err != nil {
		log.Fatalf("anonymous list: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != public.ID {
		log.Fatalf("anonymous readers should see exactly the public article, got %d", len(visible))
	}

	if _, err := c.Refresh(ctx, pair.RefreshToken); err != nil {
		log.Fatalf("refresh: %v", err)
	}
	if _, err := c.Refresh(ctx, pair.RefreshToken); err == nil {
		log.Fatal("reused refresh token was accepted")
	}
	if err := c.Logout(ctx); err != nil {
		log.Fatalf("logout: %v", err)
	}

	fmt.Printf("smoke test passed: account=%s article=%s\n", email, public.ID)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
