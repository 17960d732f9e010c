// Command main seeds a Plaza store with demo users, follows and posts.
package main

import (
	"context"
	"flag"
	"log"

	"plaza/internal/bootstrap"
	"plaza/internal/config"
	"plaza/internal/seed"
)

func main() {
	def := seed.DefaultOptions()
	numUsers := flag.Int("users", def.NumUsers, "Number of users to create")
	follows := flag.Int("follows", def.FollowsPerUser, "Follows per user")
	posts := flag.Int("posts", def.PostsPerUser, "Posts per user")
	likes := flag.Int("likes", def.LikesPerPost, "Likes per post")
	comments := flag.Int("comments", def.CommentsPerPost, "Comments per post")
	seedValue := flag.Int64("seed", 0, "Fake data seed (0 is random)")
	fixture := flag.String("fixture", "", "Apply a YAML fixture instead of generated data")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	rt, err := bootstrap.InitRuntime(ctx, cfg, bootstrap.Options{SkipRedis: true})
	if err != nil {
		log.Fatalf("Failed to initialize runtime: %v", err)
	}
	defer func() { _ = rt.Close(context.Background()) }()

	if *fixture != "" {
		fx, err := seed.LoadFixture(*fixture)
		if err != nil {
			log.Printf("Invalid fixture: %v", err)
			return
		}
		res, err := seed.Apply(ctx, rt.Services, fx)
		if err != nil {
			log.Printf("Fixture seeding failed: %v", err)
			return
		}
		log.Printf("Fixture applied: %d users, %d posts, %d follows", len(res.UserIDs), len(res.PostIDs), res.Follows)
		return
	}

	log.Printf("Target: %d users, %d follows/user, %d posts/user", *numUsers, *follows, *posts)
	res, err := seed.NewSeeder(rt.Services, seed.Options{
		NumUsers:        *numUsers,
		FollowsPerUser:  *follows,
		PostsPerUser:    *posts,
		LikesPerPost:    *likes,
		CommentsPerPost: *comments,
		Seed:            *seedValue,
	}).Run(ctx)
	if err != nil {
		log.Printf("Seeding failed: %v", err)
		return
	}
	log.Printf("Seeded %d users, %d posts, %d follows (%d partial), %d likes, %d comments",
		len(res.UserIDs), len(res.PostIDs), res.Follows, res.PartialFollows, res.Likes, res.Comments)
}
