package normalize

import "shadowscan/internal/schema"

// builtinFieldMaps returns the field maps for the platforms shipped with
// the engine. Paths follow each platform's native audit-log export shape.
func builtinFieldMaps() map[schema.Platform]FieldMap {
	return map[schema.Platform]FieldMap{
		schema.PlatformSlack: {
			Timestamp:    "date_create",
			ActorID:      "actor.user.id",
			ActorEmail:   "actor.user.email",
			Action:       "action",
			ResourceType: "entity.type",
			ResourceID:   "entity.id",
			IPAddress:    "context.ip_address",
			UserAgent:    "context.ua",
			ActionPrefix: "slack",
		},
		schema.PlatformGoogleWorkspace: {
			Timestamp:    "id.time",
			ActorID:      "actor.profileId",
			ActorEmail:   "actor.email",
			Action:       "events.name",
			ResourceType: "events.parameters.doc_type",
			ResourceID:   "events.parameters.doc_id",
			IPAddress:    "ipAddress",
			ActionPrefix: "gws",
		},
		schema.PlatformMicrosoft365: {
			Timestamp:    "CreationTime",
			ActorID:      "UserId",
			ActorEmail:   "UserId",
			Action:       "Operation",
			ResourceType: "Workload",
			ResourceID:   "ObjectId",
			IPAddress:    "ClientIP",
			UserAgent:    "UserAgent",
			ActionPrefix: "m365",
		},
		schema.PlatformOkta: {
			Timestamp:    "published",
			ActorID:      "actor.id",
			ActorEmail:   "actor.alternateId",
			Action:       "eventType",
			ResourceType: "target.type",
			ResourceID:   "target.id",
			IPAddress:    "client.ipAddress",
			UserAgent:    "client.userAgent.rawUserAgent",
			ActionPrefix: "okta",
		},
		schema.PlatformGitHub: {
			Timestamp:    "@timestamp",
			ActorID:      "actor_id",
			ActorEmail:   "actor_email",
			Action:       "action",
			ResourceType: "resource",
			ResourceID:   "repo",
			IPAddress:    "actor_ip",
			UserAgent:    "user_agent",
			ActionPrefix: "github",
		},
	}
}
