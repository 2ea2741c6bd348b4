package web

import (
	"encoding/json"
	"fmt"

	"github.com/halbroth/gallipub/db"
	"github.com/halbroth/gallipub/util"
)

type action uint

const (
	id action = iota
	inbox
	outbox
	followers
	following
	sharedInbox
)

// GetActor renders the instance actor document.
func GetActor(actor string, database *db.DB, conf *util.AppConfig) (error, string) {
	err, inst := database.ReadInstance()
	if err != nil || inst == nil {
		return fmt.Errorf("instance not initialized: %w", err), "{}"
	}
	if actor != inst.Username {
		return fmt.Errorf("unknown account %s", actor), "{}"
	}

	displayName := inst.DisplayName
	if displayName == "" {
		displayName = inst.Username
	}

	doc := map[string]any{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                        getIRI(conf.Conf.SslDomain, inst.Username, id),
		"type":                      "Person",
		"preferredUsername":         inst.Username,
		"name":                      displayName,
		"summary":                   inst.Summary,
		"inbox":                     getIRI(conf.Conf.SslDomain, inst.Username, inbox),
		"outbox":                    getIRI(conf.Conf.SslDomain, inst.Username, outbox),
		"followers":                 getIRI(conf.Conf.SslDomain, inst.Username, followers),
		"following":                 getIRI(conf.Conf.SslDomain, inst.Username, following),
		"url":                       getIRI(conf.Conf.SslDomain, inst.Username, id),
		"manuallyApprovesFollowers": false,
		"discoverable":              true,
		"endpoints": map[string]any{
			"sharedInbox": getIRI(conf.Conf.SslDomain, inst.Username, sharedInbox),
		},
		"publicKey": map[string]any{
			"id":           getIRI(conf.Conf.SslDomain, inst.Username, id) + "#main-key",
			"owner":        getIRI(conf.Conf.SslDomain, inst.Username, id),
			"publicKeyPem": inst.WebPublicKey,
		},
	}
	if inst.AvatarURL != "" {
		doc["icon"] = map[string]any{
			"type": "Image",
			"url":  inst.AvatarURL,
		}
	}

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return err, "{}"
	}
	return nil, string(jsonBytes)
}

func getIRI(domain string, username string, action action) string {

	prefix := fmt.Sprintf("https://%s/users/%s", domain, username)
	switch action {
	case inbox:
		return fmt.Sprintf("%s/inbox", prefix)
	case outbox:
		return fmt.Sprintf("%s/outbox", prefix)
	case followers:
		return fmt.Sprintf("%s/followers", prefix)
	case following:
		return fmt.Sprintf("%s/following", prefix)
	case id:
		return prefix
	case sharedInbox:
		return fmt.Sprintf("https://%s/inbox", domain)
	default:
		return ""
	}
}

// GetFollowersCollection renders the followers collection with totals only;
// the member list stays private.
func GetFollowersCollection(database *db.DB, conf *util.AppConfig) (error, string) {
	err, count := database.CountFollowers()
	if err != nil {
		return err, "{}"
	}

	doc := map[string]any{
		"@context":   "https://www.w3.org/ns/activitystreams",
		"id":         conf.ActorURI() + "/followers",
		"type":       "OrderedCollection",
		"totalItems": count,
	}
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return err, "{}"
	}
	return nil, string(jsonBytes)
}
