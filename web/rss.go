package web

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/gorilla/feeds"

	"github.com/halbroth/gallipub/db"
	"github.com/halbroth/gallipub/util"
)

// GetRSS renders the cached posts as an RSS feed, newest first.
func GetRSS(conf *util.AppConfig, database *db.DB) (string, error) {

	err, posts := database.ReadAllPosts()
	if err != nil || posts == nil {
		log.Println("Could not get posts!", err)
		return "", errors.New("error retrieving posts")
	}

	sorted := *posts
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PostedAt.After(sorted[j].PostedAt)
	})

	username := conf.Conf.Username
	email := fmt.Sprintf("%s@%s", username, conf.Conf.SslDomain)

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("Gallery mirror - %s", username),
		Link:        &feeds.Link{Href: conf.BaseURL() + "/feed"},
		Description: fmt.Sprintf("mirrored gallery posts of %s", username),
		Author:      &feeds.Author{Name: username, Email: email},
		Created:     time.Now(),
	}

	var feedItems []*feeds.Item
	for _, post := range sorted {
		feedItems = append(feedItems,
			&feeds.Item{
				Id:      fmt.Sprintf("%d", post.Id),
				Title:   post.Title,
				Link:    &feeds.Link{Href: conf.PostURI(post.Id)},
				Content: post.Description,
				Author:  &feeds.Author{Name: username, Email: email},
				Created: post.PostedAt,
			})
	}

	feed.Items = feedItems
	return feed.ToRss()
}
