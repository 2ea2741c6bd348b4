package web

import (
	"fmt"

	"github.com/halbroth/gallipub/db"
	"github.com/halbroth/gallipub/util"
)

func GetWebfinger(user string, database *db.DB, conf *util.AppConfig) (error, string) {

	err, inst := database.ReadInstance()
	if err != nil || inst == nil {
		return fmt.Errorf("instance not initialized: %w", err), GetWebFingerNotFound()
	}
	if user != inst.Username {
		return fmt.Errorf("unknown account %s", user), GetWebFingerNotFound()
	}

	return nil, fmt.Sprintf(
		`{
					"subject": "acct:%s@%s",

					"links": [
						{
							"rel": "self",
							"type": "application/activity+json",
							"href": "%s"
						}
					]
				}`, inst.Username, conf.Conf.SslDomain, conf.ActorURI())
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}
