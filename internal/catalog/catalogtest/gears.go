// Package catalogtest provides a shared inheritance-heavy catalog for tests.
package catalogtest

import (
	"relquery/internal/catalog"
)

// GearsYAML describes squads, gears (with an Officer subtype), weapons, cog tags and cities.
const GearsYAML = `
entities:
  - name: Squad
    table: Squad
    key: [Id]
    properties:
      - {name: Id, type: int}
      - {name: Name, type: string}
    navigations:
      - {name: Members, target: Gear, collection: true, source: [Id], target_key: [SquadId], inverse: Squad}

  - name: City
    table: City
    key: [Name]
    properties:
      - {name: Name, type: string}
      - {name: Location, type: string, nullable: true}

  - name: Gear
    table: Gear
    key: [Nickname, SquadId]
    discriminator: {property: Discriminator, value: Gear}
    properties:
      - {name: Nickname, type: string}
      - {name: SquadId, type: int}
      - {name: FullName, type: string}
      - {name: Rank, type: int}
      - {name: HasSoulPatch, type: bool}
      - {name: AssignedCityName, type: string, nullable: true}
      - {name: LeaderNickname, type: string, nullable: true}
      - {name: LeaderSquadId, type: int, nullable: true}
      - {name: Discriminator, type: string}
    navigations:
      - {name: Squad, target: Squad, source: [SquadId], target_key: [Id], inverse: Members}
      - {name: Weapons, target: Weapon, collection: true, source: [FullName], target_key: [OwnerFullName], inverse: Owner}
      - {name: Tag, target: CogTag, source: [Nickname, SquadId], target_key: [GearNickName, GearSquadId], inverse: Gear}
      - {name: AssignedCity, target: City, source: [AssignedCityName], target_key: [Name]}

  - name: Officer
    base: Gear
    discriminator: {value: Officer}
    navigations:
      - {name: Reports, target: Gear, collection: true, source: [Nickname, SquadId], target_key: [LeaderNickname, LeaderSquadId]}

  - name: Weapon
    table: Weapon
    key: [Id]
    properties:
      - {name: Id, type: int}
      - {name: Name, type: string}
      - {name: OwnerFullName, type: string, nullable: true}
      - {name: IsAutomatic, type: bool}
    navigations:
      - {name: Owner, target: Gear, source: [OwnerFullName], target_key: [FullName], inverse: Weapons}

  - name: CogTag
    table: CogTag
    key: [Id]
    properties:
      - {name: Id, type: int}
      - {name: Note, type: string, nullable: true}
      - {name: GearNickName, type: string, nullable: true}
      - {name: GearSquadId, type: int, nullable: true}
    navigations:
      - {name: Gear, target: Gear, source: [GearNickName, GearSquadId], target_key: [Nickname, SquadId], inverse: Tag}
`

// Gears returns a fresh catalog built from GearsYAML.
func Gears() *catalog.Catalog {
	cat, err := catalog.Parse([]byte(GearsYAML))
	if err != nil {
		panic(err)
	}
	return cat
}

// SeedSQL creates and fills the Gears tables; the statements are portable across SQLite and MySQL.
var SeedSQL = []string{
	`CREATE TABLE Squad (Id INTEGER PRIMARY KEY, Name TEXT NOT NULL)`,
	`CREATE TABLE City (Name TEXT PRIMARY KEY, Location TEXT NULL)`,
	`CREATE TABLE Gear (
		Nickname TEXT NOT NULL,
		SquadId INTEGER NOT NULL,
		FullName TEXT NOT NULL,
		Rank INTEGER NOT NULL,
		HasSoulPatch BOOLEAN NOT NULL,
		AssignedCityName TEXT NULL,
		LeaderNickname TEXT NULL,
		LeaderSquadId INTEGER NULL,
		Discriminator TEXT NOT NULL,
		PRIMARY KEY (Nickname, SquadId))`,
	`CREATE TABLE Weapon (Id INTEGER PRIMARY KEY, Name TEXT NOT NULL, OwnerFullName TEXT NULL, IsAutomatic BOOLEAN NOT NULL)`,
	`CREATE TABLE CogTag (Id INTEGER PRIMARY KEY, Note TEXT NULL, GearNickName TEXT NULL, GearSquadId INTEGER NULL)`,

	`INSERT INTO Squad (Id, Name) VALUES (1, 'Delta'), (2, 'Kilo'), (3, 'Empty')`,
	`INSERT INTO City (Name, Location) VALUES ('Jacinto', 'Jacinto''s location'), ('Ephyra', NULL), ('Hanover', 'Hanover''s location')`,
	`INSERT INTO Gear (Nickname, SquadId, FullName, Rank, HasSoulPatch, AssignedCityName, LeaderNickname, LeaderSquadId, Discriminator) VALUES
		('Marcus', 1, 'Marcus Fenix', 4, 1, 'Jacinto', NULL, NULL, 'Officer'),
		('Dom', 1, 'Dominic Santiago', 2, 0, 'Ephyra', 'Marcus', 1, 'Gear'),
		('Cole Train', 1, 'Augustus Cole', 2, 0, NULL, 'Marcus', 1, 'Gear'),
		('Baird', 2, 'Damon Baird', 3, 1, 'Jacinto', NULL, NULL, 'Officer'),
		('Paduk', 2, 'Garron Paduk', 1, 0, 'Hanover', 'Baird', 2, 'Gear')`,
	`INSERT INTO Weapon (Id, Name, OwnerFullName, IsAutomatic) VALUES
		(1, 'Marcus'' Lancer', 'Marcus Fenix', 1),
		(2, 'Marcus'' Gnasher', 'Marcus Fenix', 0),
		(3, 'Dom''s Hammerburst', 'Dominic Santiago', 0),
		(4, 'Cole''s Mulcher', 'Augustus Cole', 1),
		(5, 'Baird''s Lancer', 'Damon Baird', 1),
		(6, 'Paduk''s Markza', 'Garron Paduk', 0),
		(7, 'Unowned Boomshot', NULL, 0)`,
	`INSERT INTO CogTag (Id, Note, GearNickName, GearSquadId) VALUES
		(1, 'Marcus'' Tag', 'Marcus', 1),
		(2, 'Dom''s Tag', 'Dom', 1),
		(3, 'Cole''s Tag', 'Cole Train', 1),
		(4, 'Baird''s Tag', 'Baird', 2),
		(5, 'Orphan tag', NULL, NULL)`,
}
